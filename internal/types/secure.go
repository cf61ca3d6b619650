package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString hides its value from fmt and encoding/json output. Connection
// strings and credentials in Config use it.
type SecretString string

// String returns a redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON encodes the redacted placeholder.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Only pass the result straight to a driver or
// client constructor.
func (s SecretString) Unmask() string {
	return string(s)
}
