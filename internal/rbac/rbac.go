package rbac

import "fmt"

type Role string
type WorkspaceType string
type ThreadKind string

const (
	RoleStudent  Role = "student"
	RoleGuardian Role = "guardian"
	RoleCoach    Role = "coach"
	RoleAdmin    Role = "admin"
)

const (
	WorkspaceOrganization WorkspaceType = "organization"
	WorkspacePersonal     WorkspaceType = "personal"
)

const (
	ThreadStudentCoach ThreadKind = "student_coach"
	ThreadGroup        ThreadKind = "group"
	ThreadGroupInfo    ThreadKind = "group_info"
	ThreadOrgInfo      ThreadKind = "org_info"
	ThreadCoachCoach   ThreadKind = "coach_coach"
	ThreadSupport      ThreadKind = "support"
	ThreadDirect       ThreadKind = "direct"
)

// Context is the actor's resolved position in the active workspace.
type Context struct {
	UserID        string
	WorkspaceID   string
	WorkspaceType WorkspaceType
	Role          Role
}

// IsMinorThread reports whether a thread kind may include minors. The answer
// depends on the kind alone, never on who is in the thread.
func IsMinorThread(kind ThreadKind) bool {
	switch kind {
	case ThreadStudentCoach, ThreadGroup, ThreadGroupInfo, ThreadOrgInfo:
		return true
	case ThreadCoachCoach, ThreadSupport, ThreadDirect:
		return false
	default:
		return false
	}
}

func ParseThreadKind(value string) (ThreadKind, error) {
	switch kind := ThreadKind(value); kind {
	case ThreadStudentCoach, ThreadGroup, ThreadGroupInfo, ThreadOrgInfo, ThreadCoachCoach, ThreadSupport, ThreadDirect:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown thread kind %q", value)
	}
}

// IsOrgModerationAdmin gates every moderation and audit action.
func IsOrgModerationAdmin(ctx Context) bool {
	return ctx.WorkspaceType == WorkspaceOrganization && ctx.Role == RoleAdmin
}

// CanReadThread allows participants, and org moderation admins of the
// workspace that owns the thread.
func CanReadThread(ctx Context, threadWorkspaceID string, isParticipant bool) bool {
	if isParticipant {
		return true
	}
	return IsOrgModerationAdmin(ctx) && ctx.WorkspaceID == threadWorkspaceID
}

// CanPost allows only participants to write. Admin override is read-only.
func CanPost(isParticipant bool) bool {
	return isParticipant
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleGuardian, RoleCoach, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}

func NormalizeWorkspaceType(value string) WorkspaceType {
	if WorkspaceType(value) == WorkspaceOrganization {
		return WorkspaceOrganization
	}
	return WorkspacePersonal
}
