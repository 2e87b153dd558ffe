package core

// ModelConfig describes how a completion model is called for one stage of
// the answering pipeline.
type ModelConfig struct {
	Name        string  `json:"name" yaml:"name"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	JSON        bool    `json:"json,omitempty" yaml:"json,omitempty"`
}

func DefaultModelConfig(name string) ModelConfig {
	return ModelConfig{
		Name:        name,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
}

func (m ModelConfig) WithTemperature(t float64) ModelConfig {
	m.Temperature = t
	return m
}

func (m ModelConfig) WithMaxTokens(t int) ModelConfig {
	m.MaxTokens = t
	return m
}

func (m ModelConfig) WithJSON() ModelConfig {
	m.JSON = true
	return m
}
