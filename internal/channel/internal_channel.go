package channel

// InternalChannel is a no-op Channel registered so components that
// address OutgoingMessage.Channel == Internal by convention don't need
// a special case beyond the bus's own silent-drop in runEgress. It
// never produces ingress.
type InternalChannel struct{}

func (InternalChannel) Start(sink func(IncomingMessage)) error { return nil }
func (InternalChannel) Send(msg OutgoingMessage) error         { return nil }
func (InternalChannel) ChannelType() string                    { return Internal }
