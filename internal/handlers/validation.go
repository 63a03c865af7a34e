package handlers

import "fmt"

// validateRoomId はルームIDのバリデーションを行います
// ルームIDが空の場合はエラーを返します
func validateRoomId(roomId string) error {
	if normalizeID(roomId) == "" {
		return fmt.Errorf("roomId required")
	}
	return nil
}

// validateUserId はユーザーIDのバリデーションを行います
// ユーザーIDが空の場合はエラーを返します
func validateUserId(userId string) error {
	if normalizeID(userId) == "" {
		return fmt.Errorf("userId required")
	}
	return nil
}

// validateText はチャット本文の長さ上限を検査します
func validateText(text string, maxLen int) error {
	if len(text) > maxLen {
		return fmt.Errorf("text too long (max %d bytes)", maxLen)
	}
	return nil
}
