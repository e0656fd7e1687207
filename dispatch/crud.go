package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/registry"
)

// crudFetchTimeout bounds the post-call entity re-fetch.
const crudFetchTimeout = 10 * time.Second

// emitCRUD publishes the entity change event for a successful CRUD call.
// It runs after the result frame has been queued to the caller, so a
// subscribing caller observes its own change.
//
// Create and update re-fetch the entity through the plugin's query method
// so the event carries the same field shape as a query result. A raced
// delete during an update makes the re-fetch come back empty; the event is
// skipped silently. Delete emits only the id.
func (d *Dispatcher) emitCRUD(ctx context.Context, m *registry.Method, args []any, result any) {
	channel := m.CRUD.Plugin + ".query"

	switch m.CRUD.Kind {
	case registry.CRUDCreate, registry.CRUDUpdate:
		id := entityID(m, args, result)
		if id == nil {
			d.logger.Warn("CRUD event skipped, cannot determine entity id",
				"method", m.Name, "plugin", m.CRUD.Plugin)
			return
		}
		fields, ok := d.fetchEntity(ctx, m, id)
		if !ok {
			if m.CRUD.Kind == registry.CRUDCreate {
				d.logger.Warn("CRUD event skipped, created entity not found on re-fetch",
					"plugin", m.CRUD.Plugin, "id", id)
			}
			return
		}
		typ := eventbus.Added
		if m.CRUD.Kind == registry.CRUDUpdate {
			typ = eventbus.Changed
		}
		d.bus.Publish(channel, eventbus.CRUDPayload(typ, id, fields))

	case registry.CRUDDelete:
		id := entityID(m, args, result)
		if id == nil {
			return
		}
		d.bus.Publish(channel, eventbus.CRUDPayload(eventbus.Removed, id, nil))
	}
}

// fetchEntity re-reads one entity via `<plugin>.query` filtered on the id
// field. Returns false when the entity is gone or the query fails.
func (d *Dispatcher) fetchEntity(ctx context.Context, m *registry.Method, id any) (map[string]any, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, crudFetchTimeout)
	defer cancel()

	filters := []any{[]any{m.CRUD.IDField, "=", id}}
	result, err := d.CallInternal(fetchCtx, m.CRUD.Plugin+".query", []any{filters})
	if err != nil {
		d.logger.Warn("CRUD re-fetch failed", "plugin", m.CRUD.Plugin, "id", id, "error", err)
		return nil, false
	}

	rows, ok := result.([]any)
	if !ok || len(rows) == 0 {
		return nil, false
	}
	fields, ok := rows[0].(map[string]any)
	if !ok {
		d.logger.Warn("CRUD re-fetch returned unexpected shape",
			"plugin", m.CRUD.Plugin, "shape", fmt.Sprintf("%T", rows[0]))
		return nil, false
	}
	return fields, true
}

// entityID extracts the entity identifier from a CRUD call. Create and
// update take it from the result when the handler returned the entity,
// falling back to the first argument; delete always uses the first
// argument.
func entityID(m *registry.Method, args []any, result any) any {
	if m.CRUD.Kind != registry.CRUDDelete {
		switch r := result.(type) {
		case map[string]any:
			if id, ok := r[m.CRUD.IDField]; ok {
				return id
			}
		case nil:
		default:
			return r
		}
	}
	if len(args) > 0 {
		return args[0]
	}
	return nil
}
