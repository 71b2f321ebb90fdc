package classification

const (
	InputWidth    = 224
	InputHeight   = 224
	InputChannels = 3
	InputSize     = InputWidth * InputHeight * InputChannels
)
