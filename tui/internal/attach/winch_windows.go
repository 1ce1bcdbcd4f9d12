package attach

func notifyResize(func()) (stop func()) {
	return func() {}
}
