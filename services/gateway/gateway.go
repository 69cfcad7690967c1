package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/datagate/core/access"
	"github.com/relabs-tech/datagate/core/backend"
	"github.com/relabs-tech/datagate/core/backend/memory"
	"github.com/relabs-tech/datagate/core/backend/postgres"
	"github.com/relabs-tech/datagate/core/csql"
	"github.com/relabs-tech/datagate/core/gateway"
	"github.com/relabs-tech/datagate/core/logger"
	"github.com/relabs-tech/datagate/core/notify/kafkanotify"
	"github.com/relabs-tech/datagate/core/registry"
	"github.com/relabs-tech/datagate/core/schema"
)

var manifestJSON string = `
{
	"models": [
	  {
		"name": "datasets/gov/continent",
		"access": "open",
		"properties": [
		  {"name": "name", "type": "string", "required": true, "unique": true}
		]
	  },
	  {
		"name": "datasets/gov/country",
		"access": "open",
		"pkeys": ["code"],
		"properties": [
		  {"name": "code", "type": "string", "required": true, "unique": true},
		  {"name": "name", "type": "string", "required": true},
		  {"name": "continent", "type": "ref", "ref": "datasets/gov/continent"},
		  {"name": "population", "type": "integer"}
		]
	  },
	  {
		"name": "datasets/gov/city",
		"access": "protected",
		"properties": [
		  {"name": "name", "type": "string", "required": true},
		  {"name": "country", "type": "ref", "ref": "datasets/gov/country"},
		  {"name": "coordinates", "type": "object", "properties": [
			{"name": "lat", "type": "number"},
			{"name": "lon", "type": "number"}
		  ]}
		]
	  }
	]
}
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port         string `env:"PORT,default=3000" description:"the port the service listens on"`
	Manifest     string `env:"MANIFEST,optional" description:"path to the manifest file, built-in sample when empty"`
	JwtPublicKey string `env:"JWT_PUBLIC_KEY,optional" description:"path to the PEM encoded RSA public key for bearer tokens"`
	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for change notifications"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=datagate.changes" description:"kafka topic for change notifications"`
	LogLevel     string `env:"LOG_LEVEL,default=info" description:"log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	manifestData := []byte(manifestJSON)
	if service.Manifest != "" {
		manifestData, err = os.ReadFile(service.Manifest)
		if err != nil {
			panic(err)
		}
	}
	manifest := schema.MustParse(string(manifestData))

	db := csql.OpenWithSchema(service.Postgres, "datagate")
	defer db.Close()

	auth := &access.Authorizer{}
	pg := postgres.New(db, auth)
	if err := pg.EnsureSchema(context.Background(), manifest); err != nil {
		panic(err)
	}

	previous, err := registry.New(db).RecordManifest(manifestData)
	if err != nil {
		panic(err)
	}
	if previous != nil {
		logrus.WithField("deployed_at", previous.DeployedAt).Info("manifest replaces earlier deployment")
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)

	cfg := gateway.Config{
		Manifest: manifest,
		Router:   router,
		Backends: map[string]backend.Backend{
			"postgres": pg,
			"memory":   memory.New(),
		},
		DefaultBackend: pg,
		Auth:           auth,
	}
	if service.KafkaBrokers != "" {
		notifier := kafkanotify.New(service.KafkaBrokers, service.KafkaTopic)
		defer notifier.Close()
		cfg.Notifier = notifier
	}
	if _, err := gateway.New(cfg); err != nil {
		panic(err)
	}

	var handler http.Handler = router
	if service.JwtPublicKey != "" {
		pem, err := os.ReadFile(service.JwtPublicKey)
		if err != nil {
			panic(err)
		}
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			panic(err)
		}
		handler = access.NewJwtMiddleware(publicKey)(handler)
	}
	handler = handlers.CompressHandler(handler)
	handler = handlers.RecoveryHandler()(handler)

	log.Println("listen on port :" + service.Port)
	http.ListenAndServe(":"+service.Port, handler)
}
