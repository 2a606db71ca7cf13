package bus

import "errors"

// ErrControllerFault indicates the dispatcher hit an unrecoverable
// fault, such as the event store rejecting writes. The scan controller
// treats it as terminal and transitions the scan to errored.
var ErrControllerFault = errors.New("bus: controller fault")
