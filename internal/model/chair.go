package model

// ChairStatus is the occupancy state of a treatment chair.
type ChairStatus string

const (
	ChairAvailable   ChairStatus = "available"
	ChairOccupied    ChairStatus = "occupied"
	ChairMaintenance ChairStatus = "maintenance"
	ChairDisabled    ChairStatus = "disabled"
)

// Valid reports whether s is one of the known chair states.
func (s ChairStatus) Valid() bool {
	switch s {
	case ChairAvailable, ChairOccupied, ChairMaintenance, ChairDisabled:
		return true
	}
	return false
}

// Chair is a treatment chair in the infusion room.  Status is occupied
// exactly while one active Session references the chair; maintenance and
// disabled are set by the chair catalog outside this service.
type Chair struct {
	ID       string      `json:"id"`       // chairs.id
	Number   string      `json:"number"`   // chairs.number, unique label such as "S1"
	Name     string      `json:"name"`     // chairs.name
	Location string      `json:"location"` // chairs.location
	Status   ChairStatus `json:"status"`   // chairs.status
	IsActive bool        `json:"isActive"` // chairs.is_active
}
