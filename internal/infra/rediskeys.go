package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "sentinel"
)

// Ключи (состояние)
const (
	RedisKeyModelSnapshot = RedisNamespace + ":model:current"
	RedisKeyNodeStatus    = RedisNamespace + ":nodes:status"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAnomalyEvents: трансляция created/resolved всем инстансам API (websocket-стрим).
	RedisChanAnomalyEvents = RedisNamespace + ":anomalies:events"
	// RedisChanModelUpdate: сигнал горячей замены весов модели.
	RedisChanModelUpdate = RedisNamespace + ":model:update-signal"
	// RedisChanNodeStatus: смена статуса узла, формат "node_id:status".
	RedisChanNodeStatus = RedisNamespace + ":nodes:status-signal"
)

// NodeStatusSignal кодирует сообщение для RedisChanNodeStatus.
func NodeStatusSignal(nodeID, status string) string {
	return fmt.Sprintf("%s:%s", nodeID, status)
}
