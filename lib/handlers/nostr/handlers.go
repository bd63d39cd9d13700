package nostr

import "context"

// CommandHandlers maps protocol commands ("publish", "filter") to their
// handlers. Registration happens once at startup from the composition
// root, before the server accepts connections.
var CommandHandlers map[string]CommandHandler

type KindWriter func(messageType string, params ...interface{})
type KindReader func() ([]byte, error)

// CommandHandler processes one inbound protocol command. The context
// is cancelled when the command's subscription is closed or the
// connection goes away; long-running work checks it between yields.
type CommandHandler func(ctx context.Context, read KindReader, write KindWriter)

func init() {
	CommandHandlers = map[string]CommandHandler{}
}

func RegisterHandler(command string, handler CommandHandler) error {
	CommandHandlers[command] = handler

	return nil
}

func GetHandler(command string) CommandHandler {
	handler, ok := CommandHandlers[command]

	if !ok {
		return nil
	}

	return handler
}

func ClearHandlers() {
	CommandHandlers = make(map[string]CommandHandler)
}
