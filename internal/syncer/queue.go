package syncer

// EntryStatus tracks an outbound entry through its delivery state machine:
// pending -> in_flight -> removed on confirmed delivery, back to pending on a
// transient failure, or parked as failed on a terminal one.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in_flight"
	StatusFailed   EntryStatus = "failed"
)

// QueueEntry is one fact awaiting outbound delivery. Rows survive process
// restarts and are deleted only after the remote store confirms delivery.
type QueueEntry struct {
	EntryID        int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	Kind           string `gorm:"column:kind;size:32;not null;uniqueIndex:idx_outbound_fact,priority:1"`
	FactID         string `gorm:"column:fact_id;size:190;not null;uniqueIndex:idx_outbound_fact,priority:2"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	Status         string `gorm:"column:status;size:32;not null;index:idx_outbound_status"`
	Attempts       int    `gorm:"column:attempts;not null;default:0"`
	NextAttemptAtS int64  `gorm:"column:next_attempt_at_s;not null;default:0"`
	EnqueuedAtS    int64  `gorm:"column:enqueued_at_s;not null"`
	LastError      string `gorm:"column:last_error;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (QueueEntry) TableName() string {
	return "outbound_queue"
}
