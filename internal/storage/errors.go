package storage

import "errors"

// ErrConversationRequired is returned by Upsert when given a nil
// conversation or one with an empty ID.
var ErrConversationRequired = errors.New("conversation is required")
