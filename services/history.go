package services

import (
	"fmt"

	"chatstate/models"
)

// RemapHistory turns the stored messages of a conversation into timeline
// messages. A single bad entry fails the whole history.
func RemapHistory(stored []models.StoredMessage) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(stored))
	for i, m := range stored {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: message %d has no id", ErrMalformedResponse, i)
		}
		if !m.Sender.Valid() {
			return nil, fmt.Errorf("%w: message %s has unknown sender %q", ErrMalformedResponse, m.ID, m.Sender)
		}
		ts, err := ParseTimestamp(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: message %s: %v", ErrMalformedResponse, m.ID, err)
		}
		messages = append(messages, models.Message{
			ID:        m.ID,
			Text:      m.Text,
			Sender:    m.Sender,
			Timestamp: ts,
		})
	}
	return messages, nil
}
