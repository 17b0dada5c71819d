package docker

// ExecArgs builds a `docker exec` command line that keeps stdin attached,
// for processes that must be driven interactively over their own pipes.
func ExecArgs(containerID string, opts ExecOptions) []string {
	args := []string{"docker", "exec", "-i"}

	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	args = append(args, containerID)
	return append(args, opts.Cmd...)
}
