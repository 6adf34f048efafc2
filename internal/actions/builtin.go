package actions

import (
	"github.com/rendis/playbook/internal/expressions"
)

// BuiltinConfig wires the built-in handlers to their collaborators.
type BuiltinConfig struct {
	HTTP  HTTPConfig
	Tasks TaskCreator
	// Expressions defaults to a fresh set when nil.
	Expressions *expressions.Set
}

// RegisterBuiltins registers notification, task_creation, data_collection,
// condition, script and delay. task_creation is skipped when no task store
// is configured.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	engines := cfg.Expressions
	if engines == nil {
		var err error
		if engines, err = expressions.NewSet(); err != nil {
			return err
		}
	}

	all := []Handler{
		NewNotificationHandler(cfg.HTTP),
		NewDataCollectionHandler(cfg.HTTP),
		NewConditionHandler(engines),
		NewScriptHandler(),
		DelayHandler{},
	}
	if cfg.Tasks != nil {
		all = append(all, NewTaskHandler(cfg.Tasks))
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
