// Package device talks to a jailbroken iOS device over SSH.
//
// Two transports implement the Device interface:
//
//   - ExecClient shells out to the host's ssh and scp binaries
//   - NativeClient uses an in-process SSH client and SFTP for transfers
//
// Both default to the usual USB port-forward setup, root@localhost:2222,
// with host key checking disabled:
//
//	dev, err := device.NewNativeClient(ctx, device.DefaultEndpoint())
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//	out, err := dev.Run(ctx, "env")
package device
