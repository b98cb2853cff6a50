package edge

import "context"

type Noop struct{}

var _ Clienter = Noop{} // compile-time interface test

func (Noop) Open(context.Context) error { return nil }

func (Noop) Close() error { return nil }

func (Noop) SendTelemetry(context.Context, string, *Message) error { return nil }

func (Noop) SetInputMessageHandler(string, MessageHandler) error { return nil }

func (Noop) SetMessageHandler(MessageHandler) error { return nil }

func (Noop) SetMethodHandler(string, MethodHandler) error { return nil }

func (Noop) SetMethodDefaultHandler(MethodHandler) error { return nil }

func (Noop) InvokeMethod(context.Context, string, string, *MethodRequest) (*MethodResponse, error) {
	return &MethodResponse{Status: StatusNotFound}, nil
}

func (Noop) SetDesiredPropertyHandler(DesiredInterest) error { return nil }

func (Noop) UpdateReportedProperties(context.Context, map[string]interface{}) error { return nil }

func (Noop) SetConnectionStatusChangesHandler(StatusHandler) {}
