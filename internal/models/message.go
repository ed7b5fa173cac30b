package models

import "encoding/json"

// QueueMessage is what a worker receives for one submission.
type QueueMessage struct {
	ID     string          `json:"id"`
	Mode   Mode            `json:"mode"`
	UserID int64           `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

// MessageData is the task-specific part of a queue message.
type MessageData struct {
	JobType    JobType         `json:"jobType"`
	SchoolID   int64           `json:"schoolId"`
	StudentID  int64           `json:"studentId,omitempty"`
	StudentIDs []int64         `json:"studentIds,omitempty"`
	Template   string          `json:"template,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewQueueMessage builds the broker message for a persisted job.
func NewQueueMessage(job Job, payload JobPayload) (QueueMessage, error) {
	data := MessageData{
		JobType:  job.Type,
		SchoolID: job.SchoolID,
	}
	switch p := payload.(type) {
	case PDFGenerationPayload:
		data.StudentID = p.StudentID
		data.StudentIDs = p.StudentIDs
		data.Template = p.Template
		data.Data = p.Data
	case SinglePayload:
		data.StudentID = p.StudentID
		data.Data = p.Data
	case GroupPayload:
		data.StudentIDs = p.StudentIDs
		data.Data = p.Data
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return QueueMessage{}, err
	}
	return QueueMessage{
		ID:     job.IDString(),
		Mode:   payload.Mode(),
		UserID: job.UserID,
		Data:   raw,
	}, nil
}

// DecodeData unpacks the task-specific part of the message.
func (m QueueMessage) DecodeData() (MessageData, error) {
	var d MessageData
	err := json.Unmarshal(m.Data, &d)
	return d, err
}
