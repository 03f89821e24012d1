package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/metrics"
)

// RsyncTimeout caps a single staging push.
const RsyncTimeout = time.Hour

// rsyncArgs builds the push command as an argument vector. The ssh options
// travel as the single value of -e; nothing ever goes through a shell.
func (b *Bridge) rsyncArgs(stagingDir, username string) []string {
	ssh := fmt.Sprintf("ssh -i %s -p %d -o StrictHostKeyChecking=no",
		b.cfg.SSHPrivateKey, b.cfg.RemoteSSHPort)
	dest := fmt.Sprintf("%s@%s:%s/", b.cfg.RemoteSSHUser, b.cfg.RemoteSSHHost,
		remoteUserDir(b.cfg.RemoteBaseDir, username))
	return []string{"-avz", "-e", ssh, stagingDir + "/", dest}
}

// push rsyncs the staging tree to <remote_base>/<username>/ on the remote
// host. Non-zero exit or timeout is a submission failure.
func (b *Bridge) push(ctx context.Context, stagingDir, username string) error {
	ctx, cancel := context.WithTimeout(ctx, RsyncTimeout)
	defer cancel()

	args := b.rsyncArgs(stagingDir, username)
	b.logger.Debug().Strs("args", args).Msg("pushing staging tree")

	_, stderr, err := b.runner.Run(ctx, "rsync", args...)
	if err != nil {
		metrics.StagingPushesTotal.WithLabelValues("failure").Inc()
		if errdefs.IsTimeout(err) {
			return err
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return errdefs.Wrap(errdefs.ErrSubmission, "rsync failed: %s", msg)
	}
	metrics.StagingPushesTotal.WithLabelValues("success").Inc()
	return nil
}

// remoteUserDir anchors a user's working tree on the remote host.
func remoteUserDir(base, username string) string {
	return strings.TrimRight(base, "/") + "/" + username
}
