package submission

import "github.com/oralvis/oralvis/internal/platform/auth"

// Operation is an action an actor attempts on submissions.
type Operation string

const (
	OpCreate         Operation = "create"
	OpRead           Operation = "read"
	OpUpdate         Operation = "update"
	OpDelete         Operation = "delete"
	OpGenerateReport Operation = "generate-report"
	OpListAll        Operation = "list-all"
	OpListOwn        Operation = "list-own"
)

// CanAccess reports whether actor may perform op. s is only consulted for
// OpRead and may be nil otherwise.
//
// Patients create, list their own and read their own submissions. Admins
// read, update, delete, report on and list every submission but never
// create one.
func CanAccess(actor auth.Actor, s *Submission, op Operation) bool {
	switch op {
	case OpCreate, OpListOwn:
		return actor.IsPatient()
	case OpRead:
		if actor.IsAdmin() {
			return true
		}
		return actor.IsPatient() && s != nil && actor.UserID != "" && s.OwnerID == actor.UserID
	case OpUpdate, OpDelete, OpGenerateReport, OpListAll:
		return actor.IsAdmin()
	}
	return false
}
