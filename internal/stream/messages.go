package stream

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Типы прикладных сообщений приватного потока
const (
	MessageTypeAuth         = "auth"
	MessageTypeConnected    = "connected"
	MessageTypeKeyDecrypted = "key_decrypted"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Envelope - прикладной конверт сообщения потока
//
// Поля заполняются в зависимости от Type; payload событий аккаунта
// не разбирается и передаётся подписчикам сырыми байтами.
type Envelope struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
	Success bool   `json:"success,omitempty"`
}

// DecodeEnvelope разбирает конверт входящего сообщения
func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}

// EncodeAuth кодирует кадр аутентификации с токеном сессии
func EncodeAuth(token string) ([]byte, error) {
	return json.Marshal(&Envelope{Type: MessageTypeAuth, Token: token})
}

// EncodePing кодирует кадр ping
func EncodePing() ([]byte, error) {
	return json.Marshal(&Envelope{Type: MessageTypePing})
}

// EncodePong кодирует кадр pong
func EncodePong() ([]byte, error) {
	return json.Marshal(&Envelope{Type: MessageTypePong})
}
