package service

import "errors"

// カスタムエラー定義
var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrNotHost                = errors.New("forbidden: not room host")
	ErrNotParticipant         = errors.New("not a participant of this room")
	ErrRoomFull               = errors.New("room is full")
	ErrJoinCodeMismatch       = errors.New("join code mismatch")
	ErrAlreadyRequested       = errors.New("join request already pending")
	ErrNoSuchJoinRequest      = errors.New("no such join request")
	ErrRoomIDGenerationFailed = errors.New("failed to generate unique room ID after multiple attempts")
	ErrUserNotFound           = errors.New("user not found in room")
)
