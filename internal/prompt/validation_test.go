package prompt

import "testing"

func TestValidateGoogleClientID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "1234-abc.apps.googleusercontent.com", wantErr: false},
		{name: "valid with surrounding spaces", input: "  1234-abc.apps.googleusercontent.com  ", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "blank", input: "   ", wantErr: true},
		{name: "wrong suffix", input: "1234-abc.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGoogleClientID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGoogleClientID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
