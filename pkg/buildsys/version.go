package buildsys

import (
	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// Version is overwritten at build time through -ldflags "-X ...buildsys.Version=..."
var Version = "0.4.0"

// CheckVersion returns an error if Version doesn't satisfy constraint
func CheckVersion(constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return eris.Wrapf(err, "invalid version constraint %s", constraint)
	}

	v, err := semver.NewVersion(Version)
	if err != nil {
		return eris.Wrapf(err, "invalid buildpipe version %s", Version)
	}

	if !c.Check(v) {
		return eris.Errorf("this pipeline requires buildpipe %s but this is version %s", constraint, Version)
	}
	return nil
}
