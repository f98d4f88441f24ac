// Command acdpctl is a small operator frontend over the acdpcore storage
// engine: verify a database's on-disk consistency, or convert it to a
// packed RO file (spec §4.9). Table Definitions (the column list) are not
// part of the persisted layout document (spec §6.1 only covers file paths
// and widths), so acdpctl -- like perkeep's cmd/pk-* tools embedding a
// client config -- is meant to be copied and adapted per deployment; the
// demoSchema below stands in for whatever schema a real caller compiles in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/acdp-go/acdpcore/acdpdb"
	"github.com/acdp-go/acdpcore/coltype"
	"github.com/acdp-go/acdpcore/fileio"
	"github.com/acdp-go/acdpcore/verify"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "verify":
		err = runVerify(os.Args[2:])
	case "convert":
		err = runConvert(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("acdpctl: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: acdpctl verify -dir DIR")
	fmt.Fprintln(os.Stderr, "       acdpctl convert -dir DIR -out FILE [-block-size N]")
}

// demoSchema is the Table Definition acdpctl opens every database with. A
// deployment wires its own schema the same way: construct an
// acdpdb.Config naming its own tables, and call acdpdb.Open directly as a
// library, same as this command does.
func demoSchema() []acdpdb.TableDef {
	return []acdpdb.TableDef{
		{
			Name:       "items",
			NobsRowRef: 4,
			Columns: []coltype.Column{
				coltype.Simple("id", coltype.VInt, coltype.Inrow, 4, false, false),
				coltype.Simple("label", coltype.VString, coltype.Outrow, 0, true, true),
			},
		},
	}
}

func openDB(dir string) (*acdpdb.Database, error) {
	return acdpdb.Open(context.Background(), acdpdb.Config{
		Dir:    dir,
		Tables: demoSchema(),
	})
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("dir", ".", "database directory")
	fs.Parse(args)

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := verify.Run(db)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d row(s)\n", report.RowsChecked)
	for _, issue := range report.Issues {
		fmt.Println(issue.String())
	}
	if !report.OK() {
		return fmt.Errorf("%d issue(s) found", len(report.Issues))
	}
	fmt.Println("OK")
	return nil
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	dir := fs.String("dir", ".", "database directory")
	out := fs.String("out", "", "output RO file path (required)")
	regularBlockSize := fs.Int("block-size", 1<<16, "RO packer regular block size, unpacked bytes")
	nobsBlockSize := fs.Int("block-size-width", 4, "RO packer per-block compressed-size counter width")
	fs.Parse(args)
	if *out == "" {
		return fmt.Errorf("-out is required")
	}

	db, err := openDB(*dir)
	if err != nil {
		return err
	}
	defer db.Close()

	provider := fileio.NewProvider(context.Background())
	dst, err := provider.Open(*out)
	if err != nil {
		return err
	}
	defer dst.Close()

	return db.ConvertToRO(dst, *regularBlockSize, *nobsBlockSize, db.Tables(), nil, nil)
}
