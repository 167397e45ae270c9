package notifier

import (
	"fmt"
	"strings"

	"autopost/internal/eventbus"
)

// messageFor renders a job event as an alert. Events that do not warrant
// one report false.
func (s *Service) messageFor(ev eventbus.Event) (Message, bool) {
	je, ok := ev.Data.(eventbus.JobEvent)
	if !ok {
		return Message{}, false
	}
	s.mu.Lock()
	success := s.cfg.NotifySuccess
	s.mu.Unlock()

	m := Message{Key: ev.Type + ":" + je.JobID}
	when := je.ScheduledAt.UTC().Format("2006-01-02 15:04 MST")
	switch ev.Type {
	case eventbus.JobFailed:
		m.Priority = 7
		var b strings.Builder
		fmt.Fprintf(&b, "autopost: job %s (scheduled %s) failed", je.JobID, when)
		if je.Attempts > 0 {
			fmt.Fprintf(&b, " after %d attempt(s)", je.Attempts)
		}
		if je.Category != "" {
			fmt.Fprintf(&b, " [%s]", je.Category)
		}
		if je.Error != "" {
			fmt.Fprintf(&b, ": %s", je.Error)
		}
		m.Text = b.String()
	case eventbus.JobAbandoned:
		m.Priority = 9
		m.Text = fmt.Sprintf("autopost: job %s missed its window (scheduled %s) and will not be retried", je.JobID, when)
	case eventbus.JobPersistFailed:
		m.Priority = 9
		m.Text = fmt.Sprintf("autopost: job %s was published (post %s) but the schedule was not updated: %s", je.JobID, orDash(je.PostID), je.Error)
	case eventbus.JobPublished, eventbus.JobReconciled:
		if !success {
			return Message{}, false
		}
		m.Text = fmt.Sprintf("autopost: job %s published (post %s)", je.JobID, orDash(je.PostID))
	default:
		return Message{}, false
	}
	return m, true
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
