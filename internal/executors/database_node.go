package executors

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

// DatabaseExecutor performs database operation nodes against an injected
// gorm connection. Config:
//
//	query: SQL text, with ? placeholders
//	args: positional arguments, {{path}} string values resolved from input
//
// SELECT-shaped queries return rows; everything else returns the number
// of rows affected.
type DatabaseExecutor struct {
	db     *gorm.DB
	logger logger.Logger
}

func NewDatabaseExecutor(db *gorm.DB, log logger.Logger) *DatabaseExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	return &DatabaseExecutor{db: db, logger: log}
}

func (e *DatabaseExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	if e.db == nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("no database connection configured")}
	}

	query, _ := node.Config["query"].(string)
	if query == "" {
		return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("database node requires a query")}
	}

	args := e.resolveArgs(node, input)

	if isReadQuery(query) {
		var rows []map[string]interface{}
		if err := e.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
			return nil, &ExecutorError{NodeType: node.Type, Err: err}
		}
		return map[string]interface{}{
			"rows":     rows,
			"rowCount": len(rows),
			"status":   "ok",
		}, nil
	}

	result := e.db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: result.Error}
	}
	return map[string]interface{}{
		"rowsAffected": result.RowsAffected,
		"status":       "ok",
	}, nil
}

func (e *DatabaseExecutor) resolveArgs(node workflow.Node, input map[string]interface{}) []interface{} {
	raw, ok := node.Config["args"].([]interface{})
	if !ok {
		return nil
	}

	args := make([]interface{}, len(raw))
	for i, arg := range raw {
		if s, ok := arg.(string); ok {
			args[i] = interpolate(s, input)
		} else {
			args[i] = arg
		}
	}
	return args
}

func isReadQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}
