//go:build !darwin

package permissions

// Other platforms do not gate microphone access per application.
func platformMicrophoneStatus() Status {
	return Authorized
}

func platformRequestMicrophone() {}
