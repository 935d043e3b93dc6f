package privsep

// Fake is a Contract test double: it records calls instead of touching
// real process state, since exercising Wrapper's syscalls needs root
// and a disposable process.
type Fake struct {
	Limits       Limits
	LimitsCalled bool

	ChrootDir    string
	ChrootUID    uint32
	ChrootGID    uint32
	DropRootCalled bool

	Allowed        []uintptr
	SeccompCalled  bool

	FailLimits   error
	FailDropRoot error
	FailSeccomp  error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) SetLimits(l Limits) error {
	f.LimitsCalled = true
	f.Limits = l
	return f.FailLimits
}

func (f *Fake) DropRoot(dir string, uid, gid uint32) error {
	f.DropRootCalled = true
	f.ChrootDir, f.ChrootUID, f.ChrootGID = dir, uid, gid
	return f.FailDropRoot
}

func (f *Fake) InstallSeccomp(allowed []uintptr) error {
	f.SeccompCalled = true
	f.Allowed = allowed
	return f.FailSeccomp
}
