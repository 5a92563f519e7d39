package tools

// Middleware decorates an Executor.
type Middleware func(Executor) Executor

// Chain wraps exec so that the first middleware is the outermost.
func Chain(exec Executor, mws ...Middleware) Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			exec = mws[i](exec)
		}
	}
	return exec
}
