// Package notify delivers filesystem change notifications for watched
// directories.
//
// A Notifier owns one worker goroutine. Watch, Unwatch, Watches and Close
// are forwarded to it as instructions and return once it has applied them;
// the worker otherwise blocks on the platform's notification primitive
// (inotify on Linux, an I/O completion port driving ReadDirectoryChangesW
// on Windows, FSEvents on macOS) and sends every change to the Stream
// given to New:
//
//	s := notify.NewStream()
//	n, err := notify.New(s, notify.DefaultConfig().WithRecursion(notify.Unlimited, nil))
//	if err != nil {
//		return err
//	}
//	if err := n.Watch("/srv/data"); err != nil {
//		return err
//	}
//	go func() {
//		for r := range s.C() {
//			if r.Err != nil {
//				log.Println(r.Err)
//				continue
//			}
//			log.Println(r.Event)
//		}
//	}()
//	defer n.Close()
//
// Watches are keyed by the identity of the directory (device and inode, or
// volume serial and file index), so the same directory reached through two
// paths is watched once. Watch labels follow renames observed inside a
// watched parent.
package notify
