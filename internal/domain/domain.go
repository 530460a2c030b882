package domain

// IssueType classifies a reported civic issue.
type IssueType string

const (
	IssuePothole     IssueType = "pothole"
	IssueStreetLight IssueType = "street_light"
	IssueDrainage    IssueType = "drainage"
	IssueWaste       IssueType = "waste"
	IssueRoads       IssueType = "roads"
	IssueOther       IssueType = "other"
)

// Severity is an ordinal scale; Rank orders LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

type IssueStatus string

const (
	IssueReported IssueStatus = "REPORTED"
	IssueAssigned IssueStatus = "ASSIGNED"
	IssueResolved IssueStatus = "RESOLVED"
	IssueRejected IssueStatus = "REJECTED"
)

// TaskStatus is the task state machine. Valid transitions are
// ASSIGNED -> STARTED -> SUBMITTED -> {VERIFIED, REJECTED}; the engine
// owns the transition table.
type TaskStatus string

const (
	TaskAssigned  TaskStatus = "ASSIGNED"
	TaskStarted   TaskStatus = "STARTED"
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskVerified  TaskStatus = "VERIFIED"
	TaskRejected  TaskStatus = "REJECTED"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskVerified || s == TaskRejected
}

type UserRole string

const (
	RoleWorker  UserRole = "WORKER"
	RoleCitizen UserRole = "CITIZEN"
)

type VoteKind string

const (
	VoteUp   VoteKind = "UPVOTE"
	VoteDown VoteKind = "DOWNVOTE"
)

// Issue is owned by the issue-management service; the task engine mutates
// status, assignment, resolution notes and completion date only as a side
// effect of task transitions.
type Issue struct {
	ID                   string      `json:"id"`
	Type                 IssueType   `json:"issue_type" enum:"pothole,street_light,drainage,waste,roads,other"`
	Severity             Severity    `json:"severity" enum:"LOW,MEDIUM,HIGH,CRITICAL"`
	Description          string      `json:"description,omitempty"`
	Latitude             float64     `json:"latitude"`
	Longitude            float64     `json:"longitude"`
	Address              string      `json:"address,omitempty"`
	Status               IssueStatus `json:"status" enum:"REPORTED,ASSIGNED,RESOLVED,REJECTED"`
	ReportedBy           string      `json:"reported_by,omitempty"`
	AssignedTo           *string     `json:"assigned_to,omitempty"`
	AssignedAt           *string     `json:"assigned_at,omitempty" format:"date-time"`
	ResolutionNotes      *string     `json:"resolution_notes,omitempty"`
	ActualCompletionDate *string     `json:"actual_completion_date,omitempty"`
	CreatedAt            string      `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                 string     `json:"id"`
	IssueID            string     `json:"issue_id"`
	WorkerID           string     `json:"worker_id"`
	DepartmentID       *string    `json:"department_id,omitempty"`
	Status             TaskStatus `json:"status" enum:"ASSIGNED,STARTED,SUBMITTED,VERIFIED,REJECTED"`
	AssignedAt         string     `json:"assigned_at" format:"date-time"`
	StartedAt          *string    `json:"started_at,omitempty" format:"date-time"`
	GeofenceEnteredAt  *string    `json:"geofence_entered_at,omitempty" format:"date-time"`
	CompletedAt        *string    `json:"completed_at,omitempty" format:"date-time"`
	BeforePhotoURL     *string    `json:"before_photo_url,omitempty"`
	AfterPhotoURL      *string    `json:"after_photo_url,omitempty"`
	VerificationStatus *string    `json:"verification_status,omitempty"`
	VerificationScore  *float64   `json:"verification_score,omitempty"`
	VerificationNotes  *string    `json:"verification_notes,omitempty"`
	DurationMinutes    *float64   `json:"duration_minutes,omitempty"`
	Upvotes            int        `json:"upvotes"`
	Downvotes          int        `json:"downvotes"`
	VotingInitiatedAt  *string    `json:"voting_initiated_at,omitempty" format:"date-time"`
}

// WorkerTask is a task joined with the issue metadata a field worker needs
// on their list view.
type WorkerTask struct {
	Task
	IssueType     IssueType `json:"issue_type"`
	IssueSeverity Severity  `json:"issue_severity"`
	Description   string    `json:"description,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Address       string    `json:"address,omitempty"`
}

type User struct {
	ID               string   `json:"id"`
	Role             UserRole `json:"role" enum:"WORKER,CITIZEN"`
	Name             string   `json:"name,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	PerformanceScore float64  `json:"performance_score"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
}

type Vote struct {
	TaskID    string   `json:"task_id"`
	CitizenID string   `json:"citizen_id"`
	Vote      VoteKind `json:"vote" enum:"UPVOTE,DOWNVOTE"`
	Comment   string   `json:"comment,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// GeofenceCheck is returned from every entry verification so callers can
// show how far away the worker still is.
type GeofenceCheck struct {
	IsWithinGeofence bool    `json:"is_within_geofence"`
	DistanceMeters   float64 `json:"distance_meters"`
	Timestamp        string  `json:"timestamp" format:"date-time"`
}

// WorkerPerformance is one derived row per worker per calendar month.
// Recomputation upserts by (worker_id, month_year).
type WorkerPerformance struct {
	WorkerID                 string  `json:"worker_id"`
	MonthYear                string  `json:"month_year"`
	TasksAssigned            int     `json:"tasks_assigned"`
	TasksCompleted           int     `json:"tasks_completed"`
	TasksRejected            int     `json:"tasks_rejected"`
	AverageVerificationScore float64 `json:"average_verification_score"`
	CommunityRating          float64 `json:"community_rating"`
	ComplianceScore          float64 `json:"compliance_score"`
	TotalScore               float64 `json:"total_score"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// Event is one audit-log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ScoreReport is the result of a scoring run. TotalScore keeps full
// precision; DisplayScore is rounded for presentation.
type ScoreReport struct {
	WorkerID           string  `json:"worker_id"`
	MonthYear          string  `json:"month_year"`
	TasksAssigned      int     `json:"tasks_assigned"`
	TasksCompleted     int     `json:"tasks_completed"`
	VerifiedTasks      int     `json:"verified_tasks"`
	RejectedTasks      int     `json:"rejected_tasks"`
	CompletionRate     float64 `json:"completion_rate"`
	VerificationScore  float64 `json:"verification_score"`
	CommunityScore     float64 `json:"community_score"`
	TotalScore         float64 `json:"total_score"`
	DisplayScore       int     `json:"display_score"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
}
