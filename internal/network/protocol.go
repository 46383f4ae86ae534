package network

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageHello         MessageType = "hello"
	MessagePosition      MessageType = "position"
	MessageChunkLoaded   MessageType = "chunkLoaded"
	MessageChunkUnloaded MessageType = "chunkUnloaded"
	MessagePrefabShown   MessageType = "prefabShown"
	MessagePrefabHidden  MessageType = "prefabHidden"
)

type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// Hello is sent to every client right after the upgrade.
type Hello struct {
	ClientID   string `json:"clientId"`
	Dimensions int    `json:"dimensions"`
	Levels     int    `json:"levels"`
	Factor     uint32 `json:"factor"`
}

// Position moves the streaming detector. Clients send it; the server
// echoes accepted positions to everyone.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type ChunkEvent struct {
	Level int        `json:"level"`
	Key   uint32     `json:"morton"`
	Name  string     `json:"name"`
	Coord [3]uint32  `json:"coord"`
	Min   [3]float64 `json:"min"`
	Max   [3]float64 `json:"max"`
}

type PrefabEvent struct {
	ID    string     `json:"id"`
	Asset string     `json:"asset"`
	Chunk string     `json:"chunk"`
	Level int        `json:"level"`
	Min   [3]float64 `json:"min"`
	Max   [3]float64 `json:"max"`
}

func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// DecodePayload unpacks an envelope payload into v.
func DecodePayload[T any](env Envelope) (T, error) {
	var v T
	err := json.Unmarshal(env.Payload, &v)
	return v, err
}
