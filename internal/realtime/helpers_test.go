package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/repository"
	"imperious/messaging-service/internal/service"
)

var (
	alice = models.User{ID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	bob   = models.User{ID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	carol = models.User{ID: "u-carol", Email: "carol@example.com", Name: "Carol"}
)

type fakeHandle struct {
	id string

	mu     sync.Mutex
	frames []Frame
	fail   bool
}

func newFakeHandle(id string) *fakeHandle { return &fakeHandle{id: id} }

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return ErrConnectionClosed
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return err
	}
	h.frames = append(h.frames, f)
	return nil
}

func (h *fakeHandle) events(name string) []Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Frame
	for _, f := range h.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (h *fakeHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

type harness struct {
	gateway       *Gateway
	conversations service.ConversationService
	messages      service.MessageService
	directory     *identity.MemoryDirectory
	logs          *logtest.Hook
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	repo := repository.NewMemoryChatRepository()
	dir := identity.NewMemoryDirectory(alice, bob, carol)
	conversations := service.NewConversationService(repo, dir, logger)
	messages := service.NewMessageService(repo, conversations, dir, service.PageOptions{}, logger)

	presence := NewPresence(logger)
	rooms := NewRooms(conversations, messages, nil, logger)
	gw := NewGateway(presence, rooms, messages, dir, nil, opts, logger)

	return &harness{
		gateway:       gw,
		conversations: conversations,
		messages:      messages,
		directory:     dir,
		logs:          hook,
	}
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := Encode(event, data)
	require.NoError(t, err)
	return raw
}
