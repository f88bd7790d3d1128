package domain

import "time"

type NodeType string

const (
	NodeSensor NodeType = "sensor"
	NodePLC    NodeType = "plc"
	NodeHMI    NodeType = "hmi"
	NodeServer NodeType = "server"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeSensor, NodePLC, NodeHMI, NodeServer:
		return true
	}
	return false
}

// NodeStatus меняется только по результатам скоринга (и offline при потере телеметрии).
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeAlert   NodeStatus = "alert"
)

func (s NodeStatus) Valid() bool {
	return s == NodeOnline || s == NodeOffline || s == NodeAlert
}

type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Envelope: допустимый рабочий диапазон значения датчика.
type Envelope struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Node: объект мониторинга (датчик, ПЛК, HMI, сервер). Идентичность неизменна.
type Node struct {
	ID       string     `json:"id" yaml:"id"`
	Type     NodeType   `json:"type" yaml:"type"`
	Name     string     `json:"name" yaml:"name"`
	Label    string     `json:"label,omitempty" yaml:"label"`
	Position Position   `json:"position" yaml:"position"`
	Status   NodeStatus `json:"status" yaml:"-"`

	// Необязательные параметры для временных признаков
	Envelope         *Envelope     `json:"envelope,omitempty" yaml:"envelope"`
	ExpectedInterval time.Duration `json:"expected_interval,omitempty" yaml:"expected_interval"`
}

type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// TopologyView: снимок графа для отдачи наружу (GET /model/topology).
type TopologyView struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
