package tracker

import (
	"strings"

	"github.com/ashita-ai/kanshi/internal/model"
)

// IsManagerOperation reports whether an execution acts on a manager
// lifecycle (start/stop/restart of a manager process). Such operations get
// their own timeout class and an extra manager-operation-complete event.
func IsManagerOperation(command, operationType string) bool {
	return containsFold(operationType, "manager") || containsFold(command, "manager")
}

// IsStopOperation reports whether an execution stops something. Stop
// operations never accept a success callback once they have timed out.
func IsStopOperation(command, operationType string) bool {
	return containsFold(operationType, "stop") || containsFold(command, "stop")
}

func isManager(e *model.Execution) bool {
	return IsManagerOperation(e.Command, e.OperationType)
}

func isStop(e *model.Execution) bool {
	return IsStopOperation(e.Command, e.OperationType)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
