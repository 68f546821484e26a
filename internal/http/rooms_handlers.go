package httpx

import (
	"net/http"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"log/slog"
)

// maxRoomNameBytes bounds the room path segment.
const maxRoomNameBytes = 128

type RoomsAPI struct {
	Log *slog.Logger
}

// Create allocates a fresh unguessable room identifier and returns it as
// plain text.
func (a *RoomsAPI) Create(w http.ResponseWriter, _ *http.Request) {
	id := uuid.NewString()
	a.Log.Info("room.allocate", "room", id)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(id))
}

// validRoomName accepts printable names up to 128 bytes.
func validRoomName(name string) bool {
	if name == "" || len(name) > maxRoomNameBytes || !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
