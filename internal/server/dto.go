package server

import (
	"fieldwork/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	IssueID      string  `json:"issue_id"`
	WorkerID     string  `json:"worker_id"`
	DepartmentID *string `json:"department_id,omitempty"`
}

type LocationRequest struct {
	Latitude  float64 `json:"latitude" minimum:"-90" maximum:"90"`
	Longitude float64 `json:"longitude" minimum:"-180" maximum:"180"`
}

type SubmissionRequest struct {
	BeforePhotoURL string  `json:"before_photo_url"`
	AfterPhotoURL  string  `json:"after_photo_url"`
	Latitude       float64 `json:"latitude" minimum:"-90" maximum:"90"`
	Longitude      float64 `json:"longitude" minimum:"-180" maximum:"180"`
}

type VoteRequest struct {
	CitizenID string `json:"citizen_id"`
	Vote      string `json:"vote" enum:"UPVOTE,DOWNVOTE"`
	Comment   string `json:"comment,omitempty"`
}

type ScoreRequest struct {
	MonthYear string `json:"month_year,omitempty" pattern:"^[0-9]{4}-[0-9]{2}$"`
}

// Response payloads

type TaskResponse struct {
	ID                 string   `json:"id"`
	IssueID            string   `json:"issue_id"`
	WorkerID           string   `json:"worker_id"`
	DepartmentID       *string  `json:"department_id,omitempty"`
	Status             string   `json:"status" enum:"ASSIGNED,STARTED,SUBMITTED,VERIFIED,REJECTED"`
	AssignedAt         string   `json:"assigned_at" format:"date-time"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	GeofenceEnteredAt  *string  `json:"geofence_entered_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	BeforePhotoURL     *string  `json:"before_photo_url,omitempty"`
	AfterPhotoURL      *string  `json:"after_photo_url,omitempty"`
	VerificationStatus *string  `json:"verification_status,omitempty"`
	VerificationScore  *float64 `json:"verification_score,omitempty"`
	VerificationNotes  *string  `json:"verification_notes,omitempty"`
	DurationMinutes    *float64 `json:"duration_minutes,omitempty"`
	Upvotes            int      `json:"upvotes"`
	Downvotes          int      `json:"downvotes"`
	VotingInitiatedAt  *string  `json:"voting_initiated_at,omitempty" format:"date-time"`
}

type TaskDetailResponse struct {
	Task  TaskResponse `json:"task"`
	Issue domain.Issue `json:"issue"`
}

type GeofenceResponse struct {
	Check domain.GeofenceCheck `json:"check"`
	Task  TaskResponse         `json:"task"`
}

type VotingResponse struct {
	TaskID           string `json:"task_id"`
	CitizensNotified int    `json:"citizens_notified"`
}

type WorkerTaskResponse struct {
	TaskResponse
	IssueType     string  `json:"issue_type"`
	IssueSeverity string  `json:"issue_severity"`
	Description   string  `json:"description,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Address       string  `json:"address,omitempty"`
}

type WorkerTaskListResponse struct {
	Tasks []WorkerTaskResponse `json:"tasks"`
}

type ScoreResponse struct {
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

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                 t.ID,
		IssueID:            t.IssueID,
		WorkerID:           t.WorkerID,
		DepartmentID:       t.DepartmentID,
		Status:             string(t.Status),
		AssignedAt:         t.AssignedAt,
		StartedAt:          t.StartedAt,
		GeofenceEnteredAt:  t.GeofenceEnteredAt,
		CompletedAt:        t.CompletedAt,
		BeforePhotoURL:     t.BeforePhotoURL,
		AfterPhotoURL:      t.AfterPhotoURL,
		VerificationStatus: t.VerificationStatus,
		VerificationScore:  t.VerificationScore,
		VerificationNotes:  t.VerificationNotes,
		DurationMinutes:    t.DurationMinutes,
		Upvotes:            t.Upvotes,
		Downvotes:          t.Downvotes,
		VotingInitiatedAt:  t.VotingInitiatedAt,
	}
}

func workerTaskResponse(t domain.WorkerTask) WorkerTaskResponse {
	return WorkerTaskResponse{
		TaskResponse:  taskResponse(t.Task),
		IssueType:     string(t.IssueType),
		IssueSeverity: string(t.IssueSeverity),
		Description:   t.Description,
		Latitude:      t.Latitude,
		Longitude:     t.Longitude,
		Address:       t.Address,
	}
}

func scoreResponse(r domain.ScoreReport) ScoreResponse {
	return ScoreResponse{
		WorkerID:           r.WorkerID,
		MonthYear:          r.MonthYear,
		TasksAssigned:      r.TasksAssigned,
		TasksCompleted:     r.TasksCompleted,
		VerifiedTasks:      r.VerifiedTasks,
		RejectedTasks:      r.RejectedTasks,
		CompletionRate:     r.CompletionRate,
		VerificationScore:  r.VerificationScore,
		CommunityScore:     r.CommunityScore,
		TotalScore:         r.TotalScore,
		DisplayScore:       r.DisplayScore,
		AvgDurationMinutes: r.AvgDurationMinutes,
	}
}
