package journal

import "time"

// Event kinds.
const (
	KindUpstream = "upstream"
	KindBrowser  = "browser"
)

// Browser lifecycle events. Upstream events use the link state name.
const (
	EventAttach = "attach"
	EventDetach = "detach"
)

// LinkEvent is one recorded transition of the robot link or a browser
// connection.
type LinkEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SessionID  string `gorm:"size:64;index:idx_session_created"`
	Kind       string `gorm:"size:16;index"`
	Event      string `gorm:"size:32"`
	ConnID     string `gorm:"size:64"`
	DurationMs int64
	CreatedAt  time.Time `gorm:"index:idx_session_created"`
}

// AllModels returns every model managed by the journal.
func AllModels() []interface{} {
	return []interface{}{
		&LinkEvent{},
	}
}
