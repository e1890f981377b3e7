package session

import "github.com/rs/zerolog"

// ToastKind classifies a user-visible notification.
type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastWarning ToastKind = "warning"
	ToastError   ToastKind = "error"
)

// Notifier surfaces connectivity and domain errors to the user.
type Notifier interface {
	AddToast(message string, kind ToastKind)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, kind ToastKind)

func (f NotifierFunc) AddToast(message string, kind ToastKind) { f(message, kind) }

// LogNotifier writes toasts to a logger. It is the default when no Notifier is given.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) AddToast(message string, kind ToastKind) {
	ev := n.Log.Info()
	switch kind {
	case ToastWarning:
		ev = n.Log.Warn()
	case ToastError:
		ev = n.Log.Error()
	}
	ev.Str("kind", string(kind)).Msg(message)
}
