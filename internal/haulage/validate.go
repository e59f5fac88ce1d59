package haulage

import "strings"

// ValidateCreateDelivery checks a create request before any side effect.
// It returns nil when the input is acceptable.
func ValidateCreateDelivery(in CreateDeliveryInput) *ValidationError {
	fields := map[string]string{}
	if strings.TrimSpace(in.BookingID) == "" {
		fields["bookingId"] = "required"
	}
	if strings.TrimSpace(in.Customer) == "" {
		fields["customer"] = "required"
	}
	if in.CustomerPhone != "" && !validPhone(in.CustomerPhone) {
		fields["customerPhone"] = "must be 9-15 digits with optional leading +"
	}
	if in.Tonnage <= 0 {
		fields["tonnage"] = "must be positive"
	}
	if in.ContainerCount < 1 {
		fields["containerCount"] = "must be at least 1"
	}
	if strings.TrimSpace(in.Driver.Name) == "" {
		fields["driver.name"] = "required"
	}
	if strings.TrimSpace(in.Driver.VehicleReg) == "" {
		fields["driver.vehicleReg"] = "required"
	}
	if in.Driver.Phone != "" && !validPhone(in.Driver.Phone) {
		fields["driver.phone"] = "must be 9-15 digits with optional leading +"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func ValidateAppendCheckpoint(in AppendCheckpointInput) *ValidationError {
	fields := map[string]string{}
	if strings.TrimSpace(in.TrackingID) == "" {
		fields["trackingId"] = "required"
	}
	if strings.TrimSpace(in.Location) == "" {
		fields["location"] = "required"
	}
	if _, ok := StatusForCheckpoint(in.Type); !ok {
		fields["type"] = "unknown checkpoint type"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func ValidateCreateBooking(in CreateBookingInput) *ValidationError {
	fields := map[string]string{}
	if strings.TrimSpace(in.Customer) == "" {
		fields["customer"] = "required"
	}
	if in.CustomerPhone != "" && !validPhone(in.CustomerPhone) {
		fields["customerPhone"] = "must be 9-15 digits with optional leading +"
	}
	if strings.TrimSpace(in.Mineral) == "" {
		fields["mineral"] = "required"
	}
	if in.TotalTonnage <= 0 {
		fields["totalTonnage"] = "must be positive"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validPhone(phone string) bool {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) < 9 || len(phone) > 15 {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
