package domain

import "errors"

const MaxRoomIDLen = 64

var ErrRoomIDEmpty = errors.New("room id empty")

type RoomID string

// ValidateRoomID rejects ids the directory would silently no-op on.
// Callers must validate before asking to join.
func ValidateRoomID(id RoomID) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return errors.New("room id too long")
	}
	return nil
}
