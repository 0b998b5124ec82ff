package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/api"
	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

// accountStore is what the login handler needs from an account backend.
type accountStore interface {
	Authenticate(ctx context.Context, login, password string) (int64, error)
}

const dbTimeout = 5 * time.Second

// registerHandlers installs the built-in api handlers: login under the
// configured authenticate msgId, and a chat room join that locates the room's
// play server by stage id.
func registerHandlers(r *api.Registry, store accountStore, loginMsgID string) {
	r.Register(loginMsgID, func(sender *api.Sender, packet *protocol.Packet) error {
		login, password, ok := strings.Cut(string(packet.Payload()), "\n")
		if !ok || login == "" {
			return protocol.NewPlayError(protocol.InvalidMessage, "login payload must be login\\npassword")
		}

		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		accountID, err := store.Authenticate(ctx, login, password)
		if err != nil {
			return err
		}

		if err := sender.Authenticate(accountID); err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(accountID))
		sender.Reply(protocol.Success, buf[:])
		return nil
	})

	r.Register("JoinChatReq", func(sender *api.Sender, packet *protocol.Packet) error {
		room := string(packet.Payload())
		if room == "" {
			return protocol.NewPlayError(protocol.InvalidMessage, "empty room name")
		}
		stageID := roomStageID(room)

		target, ok := sender.PlayServerFor(stageID)
		if !ok {
			return protocol.NewPlayError(protocol.ServerNotFound, "no play server available")
		}

		reply, err := sender.JoinStage(target.NID(), stageID, "ChatStage", nil, 0)
		if err != nil {
			return err
		}

		body := make([]byte, 8, 8+reply.PayloadLen())
		binary.LittleEndian.PutUint64(body, uint64(stageID))
		body = append(body, reply.Payload()...)
		sender.Reply(reply.ErrorCode, body)
		return nil
	})
}

// roomStageID derives a stable positive stage id from the room name. The same
// room always lands on the same play server.
func roomStageID(room string) int64 {
	h := fnv.New64a()
	h.Write([]byte(room))
	return int64(h.Sum64() &^ (1 << 63))
}

// memAccounts is the account backend for database-less runs: first login
// registers the password, later logins must match it.
type memAccounts struct {
	autoCreate bool

	mu     sync.Mutex
	byName map[string]memAccount
	nextID int64
}

type memAccount struct {
	id       int64
	password string
}

func newMemAccounts(autoCreate bool) *memAccounts {
	return &memAccounts{
		autoCreate: autoCreate,
		byName:     make(map[string]memAccount),
	}
}

func (m *memAccounts) Authenticate(_ context.Context, login, password string) (int64, error) {
	login = strings.ToLower(login)

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byName[login]
	if !ok {
		if !m.autoCreate {
			return 0, protocol.NewPlayError(protocol.AuthenticationFailed, fmt.Sprintf("unknown login %q", login))
		}
		m.nextID++
		acc = memAccount{id: m.nextID, password: password}
		m.byName[login] = acc
		return acc.id, nil
	}
	if acc.password != password {
		return 0, protocol.NewPlayError(protocol.AuthenticationFailed, fmt.Sprintf("wrong password for %q", login))
	}
	return acc.id, nil
}
