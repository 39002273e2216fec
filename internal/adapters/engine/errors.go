package engine

import "github.com/eleven-am/conduit/internal/domain"

const (
	engineComponent       = "engine.Engine"
	schedulerComponent    = "engine.Scheduler"
	stateManagerComponent = "engine.StateManager"
	lanesComponent        = "engine.Lanes"
)

func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	attrs := []any{
		"error", err,
		"error_kind", domain.ErrorKind(err),
	}
	if domain.IsStructural(err) {
		attrs = append(attrs, "error_structural", true)
	}
	return attrs
}
