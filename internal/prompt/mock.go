package prompt

// Mock implements Prompter for testing. Each function field can be set to
// control behavior; when nil, the zero value is returned.
type Mock struct {
	InputFunc   func(cfg InputConfig) (string, error)
	ConfirmFunc func(cfg ConfirmConfig) (bool, error)

	InputCalls   []InputConfig
	ConfirmCalls []ConfirmConfig
}

func (m *Mock) Input(cfg InputConfig) (string, error) {
	m.InputCalls = append(m.InputCalls, cfg)
	if m.InputFunc != nil {
		return m.InputFunc(cfg)
	}
	return "", nil
}

func (m *Mock) Confirm(cfg ConfirmConfig) (bool, error) {
	m.ConfirmCalls = append(m.ConfirmCalls, cfg)
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(cfg)
	}
	return false, nil
}
