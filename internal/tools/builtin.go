package tools

import "github.com/rendis/toolflow/internal/expressions"

// BuiltinConfig carries what the built-in tools need from configuration.
type BuiltinConfig struct {
	HTTP    HTTPConfig
	APIs    []APIConfig
	Engines expressions.Engines
}

// RegisterBuiltins registers every built-in tool in reg.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := make([]Tool, 0, 16)

	all = append(all, NewHTTPRequestTool(cfg.HTTP))
	for _, api := range cfg.APIs {
		all = append(all, NewAPITool(api, cfg.HTTP))
	}

	if cfg.Engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return err
		}
		cfg.Engines = engines
	}
	all = append(all, TransformTools(cfg.Engines)...)
	all = append(all, NewTemplateTool())
	all = append(all, CryptoTools()...)
	all = append(all, DataTools()...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
