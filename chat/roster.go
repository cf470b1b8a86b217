package chat

import (
	"sort"

	"trackchat/models"
)

// Roster returns employees without excludeID, supervisors first. The backend
// order is otherwise kept.
func Roster(employees []models.Employee, excludeID string) []models.Employee {
	out := make([]models.Employee, 0, len(employees))
	for _, employee := range employees {
		if employee.ID == excludeID {
			continue
		}
		out = append(out, employee)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Role == models.RoleBoss && out[j].Role != models.RoleBoss
	})
	return out
}

// TracePair is one selectable employee pair of a supervisor trace.
type TracePair struct {
	First  models.Employee
	Second models.Employee
}

// TracePairs pairs the selected employee with every other employee. It
// returns nil when selectedID is not on the roster.
func TracePairs(employees []models.Employee, selectedID string) []TracePair {
	var selected *models.Employee
	for i := range employees {
		if employees[i].ID == selectedID {
			selected = &employees[i]
			break
		}
	}
	if selected == nil {
		return nil
	}

	pairs := make([]TracePair, 0, len(employees)-1)
	for _, employee := range employees {
		if employee.ID == selectedID {
			continue
		}
		pairs = append(pairs, TracePair{First: *selected, Second: employee})
	}
	return pairs
}
