package models

// RoleBoss marks supervisors in the employee roster.
const RoleBoss = "boss"

// Employee is one entry of the backend's employee roster.
type Employee struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// EmployeesResponse is the body of the roster request.
type EmployeesResponse struct {
	Employees []Employee `json:"employees"`
}

// DefaultLocationDelta is the map span reported when the device gives none.
const DefaultLocationDelta = 0.005

// LocationReport is one periodic position update of an employee.
type LocationReport struct {
	UserID         string  `json:"userId"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LatitudeDelta  float64 `json:"latitudeDelta"`
	LongitudeDelta float64 `json:"longitudeDelta"`
}
