// Command chunkkey converts between chunk coordinates, Morton keys and
// chunk names.
//
//	chunkkey encode [-dims 2|3] x [y] z
//	chunkkey decode [-dims 2|3] key|chunk_<key>
//	chunkkey layer x depth z
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"terrainstream/internal/manifest"
	"terrainstream/internal/world"
)

var errUsage = errors.New("usage: chunkkey encode|decode|layer [flags] args")

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "encode":
		return encode(args[1:], out)
	case "decode":
		return decode(args[1:], out)
	case "layer":
		return layer(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
	}
}

func dimsFlag(fs *flag.FlagSet) *int {
	return fs.Int("dims", 2, "key space: 2 interleaves x and z, 3 interleaves x, y and z")
}

func parseDims(n int) (world.Dims, error) {
	switch n {
	case 2:
		return world.Planar, nil
	case 3:
		return world.Volumetric, nil
	default:
		return 0, fmt.Errorf("dims must be 2 or 3, got %d", n)
	}
}

func encode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	dimsN := dimsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dims, err := parseDims(*dimsN)
	if err != nil {
		return err
	}
	axes, err := parseAxes(fs.Args(), int(dims))
	if err != nil {
		return err
	}

	var c world.Coord
	if dims == world.Planar {
		c = world.Coord{X: axes[0], Z: axes[1]}
	} else {
		c = world.Coord{X: axes[0], Y: axes[1], Z: axes[2]}
	}
	if err := dims.Validate(c); err != nil {
		return err
	}
	key := dims.Key(c)
	fmt.Fprintf(out, "%d\t%s\n", uint32(key), key.Name())
	return nil
}

func decode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	dimsN := dimsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dims, err := parseDims(*dimsN)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("decode takes one key: %w", errUsage)
	}
	key, err := parseKey(fs.Arg(0))
	if err != nil {
		return err
	}

	c := dims.Coord(key)
	if dims == world.Planar {
		fmt.Fprintf(out, "x=%d z=%d\n", c.X, c.Z)
	} else {
		fmt.Fprintf(out, "x=%d y=%d z=%d\n", c.X, c.Y, c.Z)
	}
	return nil
}

func layer(args []string, out io.Writer) error {
	axes, err := parseAxes(args, 3)
	if err != nil {
		return err
	}
	if err := world.Volumetric.Validate(world.Coord{X: axes[0], Y: axes[1], Z: axes[2]}); err != nil {
		return err
	}
	key := manifest.LayerKey(axes[0], axes[1], axes[2])
	fmt.Fprintf(out, "%d\t%s\n", uint32(key), key.Name())
	return nil
}

func parseAxes(args []string, n int) ([]uint32, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d coordinates, got %d", n, len(args))
	}
	axes := make([]uint32, n)
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse coordinate %q: %w", a, err)
		}
		axes[i] = uint32(v)
	}
	return axes, nil
}

func parseKey(s string) (world.ChunkKey, error) {
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return world.ChunkKey(v), nil
	}
	return world.ParseChunkName(s)
}
