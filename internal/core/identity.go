package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const chatIDSeparator = "_"

// ValidateUserID rejects ids that cannot take part in a chat id. User ids never
// contain the separator, so a chat id splits back into exactly two members.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.Wrap(ErrValidation, "missing user id")
	}
	if strings.Contains(userID, chatIDSeparator) {
		return errors.Wrapf(ErrValidation, "user id %q contains %q",
			userID, chatIDSeparator)
	}
	return nil
}

// ChatID returns the key of the conversation between two users. It is
// symmetric: ChatID(a, b) == ChatID(b, a). Both ids must pass ValidateUserID.
func ChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + chatIDSeparator + b
}

// chatMembers splits a chat id into its two user ids.
func chatMembers(chatID string) (a, b string, ok bool) {
	a, b, ok = strings.Cut(chatID, chatIDSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, chatIDSeparator) {
		return "", "", false
	}
	return a, b, true
}

// NewMessageID returns a globally unique message id whose prefix is the
// creation time in unix milliseconds, so ids still sort roughly by time.
func NewMessageID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-" + uuid.NewString()
}
