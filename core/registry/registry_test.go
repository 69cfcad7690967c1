package registry

import (
	"os"
	"testing"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/datagate/core/csql"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	registry Registry
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(testService.Postgres, "_registry_unit_test_")
	defer db.Close()
	db.ClearSchema()

	testService.registry = New(db)

	code := m.Run()
	os.Exit(code)
}

func TestRegistry(t *testing.T) {

	type foo struct {
		A string
		B string
	}

	write := foo{
		A: "Hello",
		B: "World",
	}

	testRegistry := testService.registry.Accessor("_test_")

	// test non-existing key
	var something interface{}
	writtenAt, err := testRegistry.Read("key does not exist", something)
	if err != nil {
		t.Fatal(err)
	}
	if !writtenAt.IsZero() {
		t.Fatal("non existing key seems to exist")
	}

	now := time.Now()
	err = testRegistry.Write("test", write)
	if err != nil {
		t.Fatal(err)
	}
	var read foo
	writtenAt, err = testRegistry.Read("test", &read)
	if err != nil {
		t.Fatal(err)
	}

	if read.A != write.A || read.B != write.B {
		t.Fatal("could not read what I wrote")
	}
	if writtenAt.Sub(now) > time.Second {
		t.Fatal("write timestamp is off")
	}

	err = testRegistry.Delete("test")
	if err != nil {
		t.Fatal(err)
	}
	writtenAt, err = testRegistry.Read("test", &read)
	if err != nil {
		t.Fatal(err)
	}
	if !writtenAt.IsZero() {
		t.Fatal("deleted key seems to exist")
	}
}

func TestRecordManifest(t *testing.T) {
	manifest := []byte(`{"models":[{"name":"one"}]}`)

	previous, err := testService.registry.RecordManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if previous != nil {
		t.Fatal("unexpected previous deployment")
	}

	// same manifest again: previous deployment unchanged
	previous, err = testService.registry.RecordManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if previous == nil {
		t.Fatal("expected a previous deployment")
	}
	first := *previous

	previous, err = testService.registry.RecordManifest(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if previous == nil || previous.Hash != first.Hash || !previous.DeployedAt.Equal(first.DeployedAt) {
		t.Fatal("identical manifest must not create a new deployment")
	}

	// a changed manifest replaces the deployment
	previous, err = testService.registry.RecordManifest([]byte(`{"models":[{"name":"two"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if previous == nil || previous.Hash != first.Hash {
		t.Fatal("expected the first deployment as previous")
	}
}
