package types

import "time"

// ResultRow is one global time step of a solved simulation.
type ResultRow struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"ts"`

	DemandKW    float64 `json:"demandKW"`
	NetDemandKW float64 `json:"netDemandKW"`
	ExportKW    float64 `json:"exportKW"`
	PVKW        float64 `json:"pvKW"`
	ChargeKW    float64 `json:"chargeKW"`
	DischargeKW float64 `json:"dischargeKW"`
	SOC         float64 `json:"soc"`
	ShiftUpKW   float64 `json:"shiftUpKW"`
	ShiftDownKW float64 `json:"shiftDownKW"`

	EnergyPrice float64 `json:"energyPrice"`
	NEMPrice    float64 `json:"nemPrice"`
}

// RunStatus is the lifecycle state of a stored simulation run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run describes one stored simulation.
type Run struct {
	ID          string      `json:"id"`
	Tariff      string      `json:"tariff"`
	Scenario    string      `json:"scenario"`
	Year        int         `json:"year"`
	Granularity Granularity `json:"granularity"`
	Status      RunStatus   `json:"status"`
	Error       string      `json:"error,omitempty"`
	Created     time.Time   `json:"created"`
	Updated     time.Time   `json:"updated"`
	Objective   float64     `json:"objective"`
	PVCapacity  float64     `json:"pvCapacityKW,omitempty"`
	Bill        *Bill       `json:"bill,omitempty"`
}

// DemandChargeLine is the bill line of one demand charge instance.
type DemandChargeLine struct {
	Key    DemandChargeKey `json:"key"`
	PeakKW float64         `json:"peakKW"`
	Amount string          `json:"amount"`
}

// Bill is an electricity bill breakdown. Amounts are decimal dollar strings
// rounded to cents.
type Bill struct {
	Energy    string             `json:"energy"`
	Tiers     string             `json:"tiers"`
	Demand    string             `json:"demand"`
	NEMCredit string             `json:"nemCredit"`
	Total     string             `json:"total"`
	Demands   []DemandChargeLine `json:"demands,omitempty"`
}
