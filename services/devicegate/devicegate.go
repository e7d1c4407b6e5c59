// The devicegate service issues short-lived access tokens to embedded
// devices after verifying a device-specific secret.
package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/perimeter-tech/devicegate/admin"
	"github.com/perimeter-tech/devicegate/api"
	"github.com/perimeter-tech/devicegate/audit"
	"github.com/perimeter-tech/devicegate/auth"
	"github.com/perimeter-tech/devicegate/core/csql"
	"github.com/perimeter-tech/devicegate/core/logger"
	"github.com/perimeter-tech/devicegate/credentials"
	"github.com/perimeter-tech/devicegate/devices"
	"github.com/perimeter-tech/devicegate/devices/snapshot"
	"github.com/perimeter-tech/devicegate/tokens"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	ServerSecret    string `env:"SERVER_SECRET,required" description:"the process-wide HMAC key for secret verification"`
	TokenSigningKey string `env:"TOKEN_SIGNING_KEY,required" description:"the HS256 signing key for issued tokens"`
	TokenIssuer     string `env:"TOKEN_ISSUER,default=devicegate" description:"the issuer name put into signed tokens"`
	AdminKey        string `env:"ADMIN_KEY,required" description:"the shared secret for the admin routes"`

	SnapshotDriver string `env:"SNAPSHOT_DRIVER,default=File" description:"snapshot driver: File, Postgres or AWSS3"`
	SnapshotFile   string `env:"SNAPSHOT_FILE,default=devices.json" description:"snapshot file path for the File driver"`
	Postgres       string `env:"POSTGRES,default=" description:"the connection string for the Postgres DB"`
	PostgresSchema string `env:"POSTGRES_SCHEMA,default=devicegate" description:"the database schema"`
	AWSBucket      string `env:"AWS_BUCKET_NAME,default=" description:"the S3 bucket for the AWSS3 driver"`
	AWSRegion      string `env:"AWS_REGION,default=eu-central-1" description:"the AWS region"`
	AWSAccessID    string `env:"AWS_ACCESS_KEY_ID,default=" description:"the AWS access key id"`
	AWSAccessKey   string `env:"AWS_SECRET_ACCESS_KEY,default=" description:"the AWS secret access key"`

	KafkaBrokers       string `env:"KAFKA_BROKERS,default=" description:"comma-separated kafka brokers for audit events, empty disables kafka"`
	KafkaAuditTopic    string `env:"KAFKA_AUDIT_TOPIC,default=devicegate.audit" description:"the kafka topic for audit events"`
	MetadataSchemaFile string `env:"METADATA_SCHEMA_FILE,default=" description:"optional JSON schema for registration metadata"`

	Port string `env:"PORT,default=3000" description:"the HTTP listen port"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)

	store, err := snapshot.New(snapshotConfiguration(service))
	if err != nil {
		panic(err)
	}

	var sink audit.Sink = audit.LogSink{}
	if service.KafkaBrokers != "" {
		kafkaSink := audit.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaAuditTopic)
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	registry := devices.NewRegistry(context.Background(), store)
	codec := credentials.NewCodec([]byte(service.ServerSecret))
	issuer := tokens.NewHS256Issuer([]byte(service.TokenSigningKey), service.TokenIssuer, auth.TokenValiditySeconds*time.Second)

	authService := auth.MustNewService(&auth.Builder{
		Registry: registry,
		Codec:    codec,
		Issuer:   issuer,
		Audit:    sink,
	})
	adminService := admin.MustNewService(&admin.Builder{
		Registry:           registry,
		Audit:              sink,
		MetadataSchemaFile: service.MetadataSchemaFile,
	})

	router := mux.NewRouter()
	api.MustNewAPI(&api.Builder{
		Router:   router,
		Auth:     authService,
		Admin:    adminService,
		AdminKey: service.AdminKey,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	if err := http.ListenAndServe(":"+service.Port, router); err != nil {
		panic(err)
	}
}

func snapshotConfiguration(service *Service) snapshot.Configuration {
	cfg := snapshot.Configuration{DriverType: snapshot.DriverType(service.SnapshotDriver)}
	switch cfg.DriverType {
	case snapshot.DriverTypeFile:
		cfg.File = service.SnapshotFile
	case snapshot.DriverTypePostgres:
		db, err := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		if err != nil {
			panic(err)
		}
		cfg.DB = db
	case snapshot.DriverTypeAWSS3:
		cfg.S3 = &snapshot.S3Configuration{
			AWSBucketName: service.AWSBucket,
			AWSRegion:     service.AWSRegion,
			AccessID:      service.AWSAccessID,
			AccessKey:     service.AWSAccessKey,
		}
	}
	return cfg
}
