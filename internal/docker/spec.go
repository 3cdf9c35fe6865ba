package docker

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// RunSpec describes a container launch.
type RunSpec struct {
	Name        string
	Image       string
	Privileged  bool
	Detach      bool
	Remove      bool
	HostNetwork bool
	Entrypoint  string
	Mounts      []Mount
	// Command is the argument vector passed after the image.
	Command []string
}

// Args returns the "docker run" argument vector, starting with "run".
func (s RunSpec) Args() []string {
	args := []string{"run"}
	if s.Remove {
		args = append(args, "--rm")
	}
	if s.Detach {
		args = append(args, "-d")
	}
	if s.Name != "" {
		args = append(args, "--name", s.Name)
	}
	if s.Privileged {
		args = append(args, "--privileged")
	}
	for _, m := range s.Mounts {
		args = append(args, "-v", m.String())
	}
	if s.HostNetwork {
		args = append(args, "--net=host")
	}
	if s.Entrypoint != "" {
		args = append(args, "--entrypoint", s.Entrypoint)
	}
	args = append(args, s.Image)
	return append(args, s.Command...)
}
