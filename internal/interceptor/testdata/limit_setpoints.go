package policy

import (
	"fmt"
	"strings"
)

func Before(id string, value any, level int) error {
	if level < 8 {
		return fmt.Errorf("priority level %d is reserved for operators", level)
	}
	if v, ok := value.(float64); ok && strings.Contains(strings.ToLower(id), "sp") {
		if v < 55 || v > 85 {
			return fmt.Errorf("setpoint %v outside 55..85", v)
		}
	}
	return nil
}

func After(id string, value any, level int, err error) error {
	if err != nil && strings.Contains(err.Error(), "already at value") {
		return nil
	}
	return err
}
