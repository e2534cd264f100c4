package dispatch

import (
	"fmt"
	"strings"

	"healthmon/internal/model"
)

const productName = "Service Health Monitor"

func Subject(d model.Delivery) string {
	return fmt.Sprintf("[%s] %s - %s", strings.ToUpper(string(d.Severity)), d.ServiceName, productName)
}

// Body is shared by email and SMS.
func Body(d model.Delivery) string {
	return fmt.Sprintf("Service: %s\nTime: %s\nType: %s\nMessage: %s", d.ServiceName, d.Timestamp, d.Severity, d.Message)
}
