// Command shmctl lists and removes the shared-memory segments this module's
// topics, services, and actions create.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/irlab-shm/shmbus/internal/segment"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		if err := runList(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "shmctl list:", err)
			os.Exit(1)
		}
	case "remove":
		if err := runRemove(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "shmctl remove:", err)
			os.Exit(1)
		}
	case "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "shmctl: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("shmctl is a command-line tool to inspect and remove this module's shared-memory segments")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("\tshmctl list\t\tlist segments under /dev/shm")
	fmt.Println("\tshmctl remove <name>\tremove a segment by name, skipping the unlink if its link count shows another referrer")
	fmt.Println("\tshmctl remove --force <name>\tremove a segment regardless of other referrers")
}

func shmDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := shmDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	userNames := map[uint32]string{}
	groupNames := map[uint32]string{}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PERMS\tLINKS\tUSER\tGROUP\tSIZE\tMODIFIED\tNAME")
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "shm_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		nlink, uid, gid, ok := statOwnership(info)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			info.Mode().Perm(),
			nlink,
			lookupUser(userNames, uid),
			lookupGroup(groupNames, gid),
			info.Size(),
			info.ModTime().Format(time.RFC3339),
			segment.StripCanonicalPrefix("/"+e.Name()))
	}
	return w.Flush()
}

// lookupUser resolves a numeric uid to a username, caching misses as the
// numeric id itself so a sandboxed or unusual host that can't resolve names
// doesn't slow every listing down with repeated failed lookups.
func lookupUser(cache map[uint32]string, uid uint32) string {
	if name, ok := cache[uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	cache[uid] = name
	return name
}

// lookupGroup is lookupUser's group-id counterpart.
func lookupGroup(cache map[uint32]string, gid uint32) string {
	if name, ok := cache[gid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}
	cache[gid] = name
	return name
}

func runRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	force := fs.Bool("force", false, "remove even if other processes may still be using the segment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("expected exactly one segment name, got %d", len(rest))
	}
	name := rest[0]

	if *force {
		return segment.ForceUnlink(name)
	}

	// Without --force, open the segment first so DisconnectAndUnlink's
	// sole-referrer check can refuse to pull it out from under a still-active
	// process.
	seg, err := segment.Open(name)
	if err != nil {
		return err
	}
	return seg.DisconnectAndUnlink()
}
