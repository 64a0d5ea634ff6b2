package host

// Exit codes the runtime passes to Exit.
const (
	ExitCantLoadLib       int8 = 40
	ExitLibMalformed      int8 = 41
	ExitCantFindSymbol    int8 = 42
	ExitInvalidArgsFormat int8 = 43
)

// Exit codes reported by the interpreter glue.
const (
	ExitInternal        int8 = 100
	ExitOutOfMemory     int8 = 101
	ExitEncoding        int8 = 102
	ExitScriptTooLong   int8 = 103
	ExitInvalidArgument int8 = 104
	ExitInvalidState    int8 = 105
	ExitSyscall         int8 = 106
	ExitNotImplemented  int8 = 107
)
