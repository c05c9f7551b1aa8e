//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

func platformMicrophoneStatus() Status {
	return Status(C.checkMicrophonePermission())
}

// The system dialog answers asynchronously; EnsureMicrophone polls the status.
func platformRequestMicrophone() {
	C.requestMicrophonePermission()
}
