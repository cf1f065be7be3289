package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction represents the type of change in a live query update.
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"

	// ActionLost is delivered once, with nil data, when the notification
	// stream ends without Unsubscribe. It happens when the connection that
	// owned the live query is closed or replaced.
	ActionLost LiveQueryAction = "LOST"
)

// LiveQueryHandler is called for each notification of a live query.
type LiveQueryHandler func(ctx context.Context, action LiveQueryAction, data any)

// LiveQueryFilter narrows a table subscription.
type LiveQueryFilter struct {
	Where  string         // SurrealQL WHERE clause
	Params map[string]any // Query parameters
}

// Subscription represents an active live query subscription.
type Subscription struct {
	ID    string
	Table string
}

// LiveQueryService provides change notifications via SurrealDB live queries.
type LiveQueryService interface {
	Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*Subscription, error)
	Unsubscribe(subID string) error
}

// SurrealLiveQueryService implements LiveQueryService. Notifications of one
// subscription reach its handler one at a time and in arrival order.
type SurrealLiveQueryService struct {
	db DBConnection

	subscriptions sync.Map // map[string]*subscriptionState
}

type subscriptionState struct {
	id          string
	table       string
	handler     LiveQueryHandler
	cancel      context.CancelFunc
	liveQueryID string
	// lost is set once the live query died with its connection; there is
	// nothing left to kill on the server.
	lost atomic.Bool
}

// NewSurrealLiveQueryService creates a new live query service. Live queries
// do not survive a reconnect, so every subscription is reported lost when
// db replaces its connection.
func NewSurrealLiveQueryService(db DBConnection) *SurrealLiveQueryService {
	s := &SurrealLiveQueryService{db: db}
	db.OnReconnect(s.dropAll)
	return s
}

// Subscribe starts a LIVE SELECT on table.
func (s *SurrealLiveQueryService) Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	query := fmt.Sprintf("LIVE SELECT * FROM %s", table)
	params := map[string]any{}
	if filter != nil {
		if filter.Where != "" {
			query = fmt.Sprintf("%s WHERE %s", query, filter.Where)
		}
		if filter.Params != nil {
			params = filter.Params
		}
	}

	subID := uuid.New().String()
	subCtx, cancel := context.WithCancel(context.Background())
	state := &subscriptionState{
		id:      subID,
		table:   table,
		handler: handler,
		cancel:  cancel,
	}

	err := s.db.WithConnection(ctx, func(dbConn *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, dbConn, query, params)
		if err != nil {
			return fmt.Errorf("failed to execute live query: %w", err)
		}
		if results == nil || len(*results) == 0 {
			return fmt.Errorf("live query returned no results")
		}
		result := (*results)[0]
		if result.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", result.Status)
		}

		liveQueryID, err := liveQueryIDFrom(result.Result)
		if err != nil {
			return err
		}
		state.liveQueryID = liveQueryID

		notifications, err := dbConn.LiveNotifications(liveQueryID)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}

		go s.listen(subCtx, state, notifications)
		go s.killOnCancel(subCtx, dbConn, state)
		return nil
	})
	if err != nil {
		cancel()
		return nil, WrapError(err, "failed to start live query")
	}

	s.subscriptions.Store(subID, state)
	slog.Debug("Live query established", "subID", subID, "table", table, "liveQueryID", state.liveQueryID)
	return &Subscription{ID: subID, Table: table}, nil
}

// Unsubscribe stops a subscription. Unknown ids are ignored.
func (s *SurrealLiveQueryService) Unsubscribe(subID string) error {
	if state, ok := s.subscriptions.LoadAndDelete(subID); ok {
		state.(*subscriptionState).cancel()
		slog.Debug("Live query subscription removed", "subID", subID)
	}
	return nil
}

func (s *SurrealLiveQueryService) killOnCancel(ctx context.Context, dbConn *surrealdb.DB, state *subscriptionState) {
	<-ctx.Done()
	if state.lost.Load() {
		return
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := dbConn.CloseLiveNotifications(state.liveQueryID); err != nil {
		slog.Warn("Failed to close live notifications", "error", err, "liveQueryID", state.liveQueryID)
	}
	params := map[string]any{"liveQueryID": state.liveQueryID}
	if _, err := surrealdb.Query[any](cleanupCtx, dbConn, "KILL $liveQueryID", params); err != nil {
		slog.Warn("Failed to kill live query", "error", err, "liveQueryID", state.liveQueryID)
	}
}

func (s *SurrealLiveQueryService) listen(ctx context.Context, state *subscriptionState, notifications <-chan connection.Notification) {
	defer s.subscriptions.Delete(state.id)

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Live query notification channel closed", "subID", state.id, "table", state.table)
				s.subscriptions.Delete(state.id)
				s.lose(state)
				return
			}

			var action LiveQueryAction
			switch notification.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				slog.Warn("Unknown notification action", "subID", state.id, "action", notification.Action)
				continue
			}

			// Inline so a row's CREATE is always handled before its UPDATE.
			s.dispatch(ctx, state, action, notification.Result)
		}
	}
}

// dropAll reports every subscription lost.
func (s *SurrealLiveQueryService) dropAll() {
	var n int
	s.subscriptions.Range(func(key, value any) bool {
		s.subscriptions.Delete(key)
		s.lose(value.(*subscriptionState))
		n++
		return true
	})
	if n > 0 {
		slog.Warn("Connection replaced, live queries dropped", "count", n)
	}
}

// lose ends state once and tells its handler with ActionLost.
func (s *SurrealLiveQueryService) lose(state *subscriptionState) {
	if !state.lost.CompareAndSwap(false, true) {
		return
	}
	state.cancel()
	s.dispatch(context.Background(), state, ActionLost, nil)
}

func (s *SurrealLiveQueryService) dispatch(ctx context.Context, state *subscriptionState, action LiveQueryAction, data any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in live query handler", "subID", state.id, "panic", r)
		}
	}()
	state.handler(ctx, action, data)
}

// liveQueryIDFrom extracts the query UUID from a LIVE SELECT result, which
// the driver may return as a string, a models.UUID or a map holding "id".
func liveQueryIDFrom(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case *models.UUID:
		if v != nil {
			id = v.String()
		}
	case map[string]any:
		return liveQueryIDFrom(v["id"])
	default:
		return "", fmt.Errorf("unexpected live query result type: %T", result)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("live query returned empty UUID")
	}
	return id, nil
}
