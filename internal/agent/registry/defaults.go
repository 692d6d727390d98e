package registry

// LoadDefaults registers the built-in agent factories and the capability
// catalog. Called once at service startup; the registry is read-only after.
func (r *Registry) LoadDefaults() {
	r.RegisterFactory(NewClaudeFactory())
	r.RegisterFactory(NewCodexFactory())
	r.RegisterFactory(NewShellFactory())

	for _, c := range defaultCapabilities() {
		r.RegisterCapability(c)
	}
}

func defaultCapabilities() []Capability {
	return []Capability{
		{
			Name:     "git",
			Packages: []string{"git"},
			SkillDoc: "# git\n\nClone, commit and push with the preconfigured identity `botforge-agent`.\n" +
				"Always commit with a descriptive message and push to the branch you were asked to work on.\n",
		},
		{
			Name:     "node",
			Packages: []string{"nodejs", "npm"},
			SkillDoc: "# node\n\nNode.js toolchain. Use `npm ci` when a lockfile exists, `npm install` otherwise.\n",
		},
		{
			Name:     "python",
			Packages: []string{"python3", "python3-pip", "python3-venv"},
			SkillDoc: "# python\n\nPython 3 toolchain. Create a venv in `.venv` before installing packages.\n",
		},
		{
			Name:     "make",
			Packages: []string{"make", "build-essential"},
			SkillDoc: "# make\n\nGNU make and a C toolchain for native module builds.\n",
		},
		{
			Name:     "docker-cli",
			Packages: []string{"docker.io"},
			SkillDoc: "# docker-cli\n\nDocker CLI for building images and running compose files.\n" +
				"The daemon socket is only mounted when the task requires it.\n",
		},
		{
			Name:     "curl",
			Packages: []string{"curl", "ca-certificates"},
			SkillDoc: "# curl\n\nHTTP client for health probes and API calls during verification.\n",
		},
	}
}
