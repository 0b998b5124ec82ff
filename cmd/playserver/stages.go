package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/config"
	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/stage"
)

// registerStages binds the built-in stage types. Deployments embedding the
// runtime register their own here instead.
func registerStages(r *stage.Registry, cfg config.PlayServer) {
	r.Register("ChatStage",
		func(s *stage.Sender) stage.Handler { return &chatRoom{sender: s} },
		func(a *stage.Actor) stage.ActorHandler { return &roomActor{} },
	)
	r.Register("ArenaStage",
		func(s *stage.Sender) stage.Handler {
			return &arena{
				sender:   s,
				step:     time.Duration(cfg.GameLoop.FixedTimestepMs) * time.Millisecond,
				maxAccum: time.Duration(cfg.GameLoop.MaxAccumulatorCapMs) * time.Millisecond,
			}
		},
		func(a *stage.Actor) stage.ActorHandler { return &roomActor{} },
	)
}

// chatRoom relays chat lines to every other connected member.
type chatRoom struct {
	sender *stage.Sender
}

func (r *chatRoom) OnCreate(packet *protocol.Packet) error { return nil }

func (r *chatRoom) OnPostCreate() {
	slog.Info("chat room open", "stageId", r.sender.StageID())
}

func (r *chatRoom) OnJoinRoom(actor *stage.Actor, userInfo *protocol.Packet) (protocol.ErrorCode, []byte) {
	return protocol.Success, nil
}

func (r *chatRoom) OnLeaveRoom(actor *stage.Actor, reason stage.LeaveReason) {
	slog.Debug("member left", "stageId", r.sender.StageID(),
		"accountId", actor.AccountID(), "reason", reason)
}

func (r *chatRoom) OnDispatch(actor *stage.Actor, packet *protocol.Packet) error {
	switch packet.MsgID {
	case "ChatMsg":
		line := packet.Payload()
		r.sender.ForEachActor(func(other *stage.Actor) {
			if other.AccountID() == actor.AccountID() {
				return
			}
			r.sender.SendToClient(other, "ChatNotify", line)
		})
		return nil
	default:
		return protocol.NewPlayError(protocol.HandlerNotFound,
			fmt.Sprintf("chat room does not handle %q", packet.MsgID))
	}
}

func (r *chatRoom) OnConnectionChanged(actor *stage.Actor, connected bool, reason stage.DisconnectReason) {
}

func (r *chatRoom) OnGameLoopTick(delta time.Duration) {}

// arena runs the fixed-timestep loop and pushes a tick snapshot about once a
// second.
type arena struct {
	sender   *stage.Sender
	step     time.Duration
	maxAccum time.Duration

	ticks         int64
	ticksPerFlush int64
}

func (a *arena) OnCreate(packet *protocol.Packet) error {
	if a.step <= 0 {
		a.step = 50 * time.Millisecond
	}
	if a.maxAccum < a.step {
		a.maxAccum = 5 * a.step
	}
	a.ticksPerFlush = int64(time.Second / a.step)
	if a.ticksPerFlush < 1 {
		a.ticksPerFlush = 1
	}
	return a.sender.StartGameLoop(a.step, a.maxAccum)
}

func (a *arena) OnPostCreate() {
	slog.Info("arena open", "stageId", a.sender.StageID(), "step", a.step)
}

func (a *arena) OnJoinRoom(actor *stage.Actor, userInfo *protocol.Packet) (protocol.ErrorCode, []byte) {
	return protocol.Success, nil
}

func (a *arena) OnLeaveRoom(actor *stage.Actor, reason stage.LeaveReason) {}

func (a *arena) OnDispatch(actor *stage.Actor, packet *protocol.Packet) error {
	return protocol.NewPlayError(protocol.HandlerNotFound,
		fmt.Sprintf("arena does not handle %q", packet.MsgID))
}

func (a *arena) OnConnectionChanged(actor *stage.Actor, connected bool, reason stage.DisconnectReason) {
}

func (a *arena) OnGameLoopTick(delta time.Duration) {
	a.ticks++
	if a.ticks%a.ticksPerFlush != 0 {
		return
	}
	var snapshot [8]byte
	binary.LittleEndian.PutUint64(snapshot[:], uint64(a.ticks))
	a.sender.Broadcast("ArenaTick", snapshot[:])
}

// roomActor accepts any authentication payload. Account identity is vetted by
// the api service before the client ever reaches a stage.
type roomActor struct{}

func (roomActor) OnCreate(actor *stage.Actor) {}

func (roomActor) OnAuthenticate(actor *stage.Actor, packet *protocol.Packet) (protocol.ErrorCode, []byte) {
	return protocol.Success, nil
}

func (roomActor) OnPostAuthenticate(actor *stage.Actor) {
	slog.Debug("actor authenticated", "accountId", actor.AccountID())
}

func (roomActor) OnDestroy(actor *stage.Actor) {}
